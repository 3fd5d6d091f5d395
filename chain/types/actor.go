package types

import (
	"errors"

	"github.com/filecoin-project/go-state-types/builtin"
)

var ErrActorNotFound = errors.New("actor not found")

// Actor is the on-chain record for a single actor: code CID, head state CID,
// call sequence number, balance and the optional delegated (f4) address.
// This is the v5 actor envelope from go-state-types, which already carries
// the CBOR tuple encoding the state tree stores.
type Actor = builtin.ActorV5
