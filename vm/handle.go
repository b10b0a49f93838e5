package vm

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ErrHandleClosed is returned when a handle is used after Close.
var ErrHandleClosed = errors.New("handle is closed")

// Handle is an open module file tracked by a Runtime until it is closed.
// Its contents are mapped read-only where the platform supports it.
type Handle struct {
	ID   uuid.UUID
	Path string

	file   *os.File
	data   []byte
	unmap  func([]byte) error
	owner  *Runtime
	closed bool
}

// Data returns the file contents. The slice is invalid after Close.
func (h *Handle) Data() []byte {
	return h.data
}

// Size returns the mapped size in bytes.
func (h *Handle) Size() int {
	return len(h.data)
}

// Closed reports whether Close has run.
func (h *Handle) Closed() bool {
	return h.closed
}

// Close removes the handle from its runtime's list and releases the file.
func (h *Handle) Close() error {
	if h.closed {
		return ErrHandleClosed
	}
	h.closed = true
	if h.owner != nil {
		h.owner.forgetHandle(h)
		h.owner = nil
	}

	var errs []error
	if h.unmap != nil {
		if err := h.unmap(h.data); err != nil {
			errs = append(errs, fmt.Errorf("unmap %s: %w", h.Path, err))
		}
	}
	h.data = nil
	if err := h.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", h.Path, err))
	}
	return errors.Join(errs...)
}

// Open maps path read-only and tracks the handle until it is closed.
func (rt *Runtime) Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	data, unmap, err := mapFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot map %s: %w", path, err)
	}
	h := &Handle{
		ID:    uuid.New(),
		Path:  path,
		file:  f,
		data:  data,
		unmap: unmap,
		owner: rt,
	}
	rt.handles = append(rt.handles, h)
	log.Debugf("opened handle %s for %s (%d bytes)", h.ID, path, len(data))
	return h, nil
}

// Handles returns the open handles in the order they were opened.
func (rt *Runtime) Handles() []*Handle {
	out := make([]*Handle, len(rt.handles))
	copy(out, rt.handles)
	return out
}

func (rt *Runtime) forgetHandle(h *Handle) {
	for i, open := range rt.handles {
		if open == h {
			copy(rt.handles[i:], rt.handles[i+1:])
			rt.handles[len(rt.handles)-1] = nil
			rt.handles = rt.handles[:len(rt.handles)-1]
			return
		}
	}
}
