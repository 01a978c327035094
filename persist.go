package carcard

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/schjonhaug/carcard/internal/store"
)

const stateKey = "card/state"

// persistedState is everything that survives a deselect: identity, trust
// anchor and ledger.
type persistedState struct {
	ID          string      `cbor:"id"`
	Certificate Certificate `cbor:"cert"`
	PrivateKey  []byte      `cbor:"privkey"`
	DatabaseKey []byte      `cbor:"dbkey"`
	Ledger      UsageLedger `cbor:"ledger"`
}

func saveState(backend store.Backend, state *persistedState) error {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return err
	}
	serialized, err := encMode.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode card state: %w", err)
	}
	if err := backend.Put(stateKey, serialized); err != nil {
		return fmt.Errorf("store card state: %w", err)
	}
	return nil
}

func loadState(backend store.Backend) (*persistedState, error) {
	serialized, err := backend.Get(stateKey)
	if err != nil {
		return nil, err
	}

	decMode, _ := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()

	var state persistedState
	if err := decMode.Unmarshal(serialized, &state); err != nil {
		return nil, fmt.Errorf("decode card state: %w", err)
	}
	return &state, nil
}
