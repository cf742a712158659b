package hub

import "github.com/yanun0323/errors"

// ErrClosed reports an operation on a hub after Close.
var ErrClosed = errors.New("hub closed")
