package config

import (
	"context"
	"fmt"
	"os"

	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// RingFile is the file credential source: orders and their ring keys kept
// in a YAML document instead of the database.
//
//	orders:
//	  - id: order-1
//	    mint: EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v
//	    members:
//	      - <base64 secret key>
//	      - <base58 secret key>
//	      - file:/path/to/keygen.json
type RingFile struct {
	Orders []RingFileOrder `yaml:"orders"`
}

// RingFileOrder is one order in a RingFile. Members accept any form
// solana.ParsePrivateKey does.
type RingFileOrder struct {
	ID      string   `yaml:"id"`
	Mint    string   `yaml:"mint"`
	Members []string `yaml:"members"`
}

// LoadRingFile reads and validates a ring file.
func LoadRingFile(path string) (*RingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ring file: %w", err)
	}
	var rf RingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse ring file %s: %w", path, err)
	}
	seen := make(map[string]bool)
	for _, o := range rf.Orders {
		if seen[o.ID] {
			return nil, fmt.Errorf("ring file %s: duplicate order %q", path, o.ID)
		}
		seen[o.ID] = true
		if _, err := o.Ring(); err != nil {
			return nil, fmt.Errorf("ring file %s: %w", path, err)
		}
	}
	return &rf, nil
}

// Ring parses the order's keys.
func (o RingFileOrder) Ring() (rotation.Ring, error) {
	mint, err := solanago.PublicKeyFromBase58(o.Mint)
	if err != nil {
		return rotation.Ring{}, fmt.Errorf("order %q: invalid mint: %w", o.ID, err)
	}
	ring := rotation.Ring{OrderID: o.ID, Mint: mint}
	for i, m := range o.Members {
		key, err := solana.ParsePrivateKey(m)
		if err != nil {
			return rotation.Ring{}, fmt.Errorf("order %q: member %d: %w", o.ID, i, err)
		}
		ring.Members = append(ring.Members, key)
	}
	if err := ring.Validate(); err != nil {
		return rotation.Ring{}, err
	}
	return ring, nil
}

// GetRing returns the ring of orderID.
func (rf *RingFile) GetRing(ctx context.Context, orderID string) (rotation.Ring, error) {
	for _, o := range rf.Orders {
		if o.ID == orderID {
			return o.Ring()
		}
	}
	return rotation.Ring{}, fmt.Errorf("order %q not in ring file", orderID)
}
