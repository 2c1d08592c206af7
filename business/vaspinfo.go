package business

import (
	"fmt"

	"github.com/stellar/go/keypair"

	"github.com/raymondfx/reference-wallet/address"
)

// VASPInfo gives the base URLs and compliance keys of a VASP and its peers.
// It is read only and may be shared between channels.
type VASPInfo interface {
	BaseURL() string
	PeerBaseURL(peer address.Address) (string, error)
	PeerComplianceVerificationKey(peer address.Address) (keypair.KP, error)
	MyComplianceSignatureKey() (*keypair.Full, error)
}

// Peer is an entry of a Directory.
type Peer struct {
	Address address.Address
	BaseURL string
	Key     keypair.KP
}

// Directory is a VASPInfo backed by a fixed set of peers.
type Directory struct {
	self   Peer
	signer *keypair.Full
	byVASP map[[address.OnchainLen]byte]Peer
}

// NewDirectory creates a directory for the VASP at self signing with signer.
// The directory also resolves the VASP's own address, so that its own
// verification key is available.
func NewDirectory(self address.Address, baseURL string, signer *keypair.Full, peers ...Peer) *Directory {
	d := &Directory{
		self:   Peer{Address: self.Onchain(), BaseURL: baseURL},
		signer: signer,
		byVASP: map[[address.OnchainLen]byte]Peer{},
	}
	if signer != nil {
		d.self.Key = signer.FromAddress()
	}
	d.byVASP[self.VASP] = d.self
	for _, p := range peers {
		d.byVASP[p.Address.VASP] = p
	}
	return d
}

func (d *Directory) BaseURL() string {
	return d.self.BaseURL
}

func (d *Directory) peer(peer address.Address) (Peer, error) {
	p, ok := d.byVASP[peer.VASP]
	if !ok {
		return Peer{}, fmt.Errorf("unknown peer %s", peer.OnchainString())
	}
	return p, nil
}

func (d *Directory) PeerBaseURL(peer address.Address) (string, error) {
	p, err := d.peer(peer)
	if err != nil {
		return "", err
	}
	return p.BaseURL, nil
}

func (d *Directory) PeerComplianceVerificationKey(peer address.Address) (keypair.KP, error) {
	p, err := d.peer(peer)
	if err != nil {
		return nil, err
	}
	if p.Key == nil {
		return nil, fmt.Errorf("no compliance key for peer %s", peer.OnchainString())
	}
	return p.Key.FromAddress(), nil
}

func (d *Directory) MyComplianceSignatureKey() (*keypair.Full, error) {
	if d.signer == nil {
		return nil, fmt.Errorf("no compliance signature key")
	}
	return d.signer, nil
}

// Peers returns the addresses of all peers excluding the VASP itself.
func (d *Directory) Peers() []address.Address {
	peers := make([]address.Address, 0, len(d.byVASP))
	for _, p := range d.byVASP {
		if p.Address.VASP == d.self.Address.VASP {
			continue
		}
		peers = append(peers, p.Address.Onchain())
	}
	return peers
}
