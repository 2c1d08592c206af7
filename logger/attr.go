package logger

import (
	"log/slog"

	"github.com/raymondfx/reference-wallet/address"
)

/*
Log attribute key values. Generally shouldn't be used directly, use
appropriate "attribute constructor function" instead.
*/
const (
	VASPKey        = "vasp"
	PeerKey        = "peer"
	ReferenceIDKey = "reference_id"
	SequenceKey    = "seq"
	StatusKey      = "status"
	ErrorKey       = "err"
	DataKey        = "data"
)

/*
VASP adds the address of the VASP doing the logging.

This function should be used with logger.With() method to create sub-logger
for the VASP rather than adding it to individual logging calls.
*/
func VASP(a address.Address) slog.Attr {
	return slog.String(VASPKey, a.OnchainString())
}

// Peer adds the on-chain address of the counterparty VASP.
func Peer(a address.Address) slog.Attr {
	return slog.String(PeerKey, a.OnchainString())
}

// ReferenceID adds the reference id of the payment concerned.
func ReferenceID(ref string) slog.Attr {
	return slog.String(ReferenceIDKey, ref)
}

// Sequence adds the sequence number of a command.
func Sequence(seq uint64) slog.Attr {
	return slog.Uint64(SequenceKey, seq)
}

// Status adds a payment actor status.
func Status[S ~string](s S) slog.Attr {
	return slog.String(StatusKey, string(s))
}

/*
Error adds error to the log

	if err:= f(); err != nil {
		log.Error("calling f", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

// Data adds additional data field to the message.
func Data(d any) slog.Attr {
	return slog.Any(DataKey, d)
}

/*
composeAttrFmt combines attribute formatters into single func.
If input contains nil values those are discarded.
*/
func composeAttrFmt(f ...func(groups []string, a slog.Attr) slog.Attr) func(groups []string, a slog.Attr) slog.Attr {
	var nonNil []func(groups []string, a slog.Attr) slog.Attr
	for _, fn := range f {
		if fn != nil {
			nonNil = append(nonNil, fn)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			for _, fn := range nonNil {
				a = fn(groups, a)
			}
			return a
		}
	}
}

func formatTimeAttr(format string) func(groups []string, a slog.Attr) slog.Attr {
	switch format {
	case "":
		// whatever handler does by default...
		return nil
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t := a.Value.Time(); !t.IsZero() {
					a.Value = slog.StringValue(t.Format(format))
				}
			}
			return a
		}
	}
}
