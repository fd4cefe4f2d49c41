package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"strconv"

	"github.com/ruvnet/bftreplica/internal/errors"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// ClusterMember is one line of the cluster membership file: a node's id,
// listen address, and TLS hostname. Addrs isn't produced by Load since
// env vars don't scale to a whole cluster's membership — bulk/list
// configuration comes from a file instead, separating scalar env config
// from structural file config.
type ClusterMember struct {
	Id       uint32 `json:"id"`
	Addr     string `json:"addr"`
	Hostname string `json:"hostname"`
}

// LoadCluster reads a JSON array of ClusterMember into an Addrs table.
func LoadCluster(path string) (map[wire.NodeId]PeerAddr, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.Communication, "read cluster file")
	}
	var members []ClusterMember
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, errors.Wrap(err, errors.Communication, "parse cluster file")
	}
	addrs := make(map[wire.NodeId]PeerAddr, len(members))
	for _, m := range members {
		addrs[wire.NodeId(m.Id)] = PeerAddr{Addr: m.Addr, Hostname: m.Hostname}
	}
	return addrs, nil
}

// LoadSigningKey reads a base64-encoded Ed25519 private key.
func LoadSigningKey(path string) (wire.Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wire.Ed25519Signer{}, errors.Wrap(err, errors.Communication, "read signing key")
	}
	key, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return wire.Ed25519Signer{}, errors.Wrap(err, errors.Communication, "decode signing key")
	}
	if len(key) != ed25519.PrivateKeySize {
		return wire.Ed25519Signer{}, errors.New(errors.Communication, "signing key has the wrong length")
	}
	return wire.NewEd25519Signer(ed25519.PrivateKey(key)), nil
}

// LoadPeerKeys reads a JSON object mapping each node id to its
// base64-encoded Ed25519 public key.
func LoadPeerKeys(path string) (wire.PeerVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wire.PeerVerifier{}, errors.Wrap(err, errors.Communication, "read peer key table")
	}
	var encoded map[string]string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return wire.PeerVerifier{}, errors.Wrap(err, errors.Communication, "parse peer key table")
	}
	keys := make(map[wire.NodeId]ed25519.PublicKey, len(encoded))
	for idStr, pubB64 := range encoded {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return wire.PeerVerifier{}, errors.Wrap(err, errors.Communication, "parse peer id")
		}
		pub, err := base64.StdEncoding.DecodeString(pubB64)
		if err != nil {
			return wire.PeerVerifier{}, errors.Wrap(err, errors.Communication, "decode peer public key")
		}
		if len(pub) != ed25519.PublicKeySize {
			return wire.PeerVerifier{}, errors.New(errors.Communication, "peer public key has the wrong length")
		}
		keys[wire.NodeId(id)] = ed25519.PublicKey(pub)
	}
	return wire.NewPeerVerifier(keys), nil
}
