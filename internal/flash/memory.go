package flash

// NewMemory creates a device backed by process memory, fully erased.
func NewMemory(opts Options) (*Device, error) {
	parts, total, err := layout(opts.Partitions)
	if err != nil {
		return nil, err
	}
	data := make([]byte, total)
	for i := range data {
		data[i] = erasedByte
	}
	d := newDevice(parts, data, opts)
	d.closeFn = func() error { return nil }
	return d, nil
}
