package blast

import "errors"

// Asset construction errors.
var (
	ErrInvalidHierarchy = errors.New("invalid chunk hierarchy")
	ErrInvalidBond      = errors.New("invalid bond")
	ErrTooManyChunks    = errors.New("too many chunks")
	ErrTooManyBonds     = errors.New("too many bonds")
)

// Family and actor errors.
var (
	ErrStaleActor          = errors.New("stale actor handle")
	ErrTooManyFragments    = errors.New("split needs more new actors than capacity allows")
	ErrInsufficientScratch = errors.New("insufficient scratch buffer")
	ErrInvalidActorDesc    = errors.New("invalid actor descriptor")
	ErrInvalidFracture     = errors.New("invalid fracture command")
	ErrFamilyHasActors     = errors.New("family already has actors")
	ErrInvalidSnapshot     = errors.New("invalid family snapshot")
)
