//go:build !unix

package vm

import (
	"io"
	"os"
)

func mapFile(f *os.File) ([]byte, func([]byte) error, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}
