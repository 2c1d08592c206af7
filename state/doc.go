/*
Package state contains the command processor that negotiates a payment with a
counterparty VASP, and the record of the negotiation kept for each payment.

Each VASP owns one actor of a payment and only ever writes that actor. The
status of an actor declares what the VASP needs from its counterparty:

	none -> needs_kyc_data -> soft_match -> needs_recipient_signature -> ready_for_settlement
	                                                                  \-> abort

Every command carries the full payment as seen by the VASP sending it. On
receiving a command the processor copies the counterparty's actor, provides
what the counterparty asked for into the local actor, and computes the local
status from what is still missing. A response is produced only when the local
actor changed, so the exchange ends once neither side has anything to add:

	+-----------+                     +-----------+
	|  Sender   |                     | Receiver  |
	+-----+-----+                     +-----+-----+
	      | 1: kyc, needs_kyc_data          |
	      +-------------------------------->+
	      |    1: kyc, signature, ready     |
	      +<--------------------------------+
	      | 2: ready                        |
	      +-------------------------------->+
	      |                                 |

Commands of a payment are applied in sequence order. A command already applied
is answered with the response produced the first time, a command from the
future is rejected with an OrderingError carrying the sequence expected.

None of the primitives in this package are threadsafe and synchronization
must be provided by the caller if the package is used in a concurrent
context.
*/
package state
