package engine

import "errors"

// ErrNotLoaded is returned synchronously by Infer/Embed when no model is
// currently loaded.
var ErrNotLoaded = errors.New("no model loaded")
