//go:build !linux

package secret

type region struct {
	mem []byte
}

func allocate(size int) (region, error) {
	return region{mem: make([]byte, size)}, nil
}

func (r region) bytes() []byte { return r.mem }

func (r region) release() error {
	Zero(r.mem)
	return nil
}
