package fabrictest

import "bytes"

// EchoModule returns a minimal WASI command that copies up to 4KiB of stdin
// to stdout. It stands in for a compiled component: fed the runner's JSON
// request, it answers with that same object.
func EchoModule() []byte {
	str := func(s string) []byte { return append([]byte{byte(len(s))}, s...) }
	section := func(id byte, parts ...[]byte) []byte {
		body := bytes.Join(parts, nil)
		return append([]byte{id, byte(len(body))}, body...)
	}

	ioFunc := []byte{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f} // (i32 i32 i32 i32) -> i32
	startFunc := []byte{0x60, 0x00, 0x00}                         // () -> ()
	wasi := str("wasi_snapshot_preview1")

	// Memory layout: iovec {ptr=64, len=4096} at 0, byte count at 8 and 12.
	code := []byte{
		0x00,
		0x41, 0x00, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a, // fd_read(0, 0, 1, 8)
		0x41, 0x04, 0x41, 0x08, 0x28, 0x02, 0x00, 0x36, 0x02, 0x00, // iovec.len = nread
		0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x0c, 0x10, 0x01, 0x1a, // fd_write(1, 0, 1, 12)
		0x0b,
	}

	return bytes.Join([][]byte{
		{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00},
		section(1, []byte{2}, ioFunc, startFunc),
		section(2, []byte{2},
			wasi, str("fd_read"), []byte{0x00, 0x00},
			wasi, str("fd_write"), []byte{0x00, 0x00}),
		section(3, []byte{1, 1}),
		section(5, []byte{1, 0x00, 1}),
		section(7, []byte{2},
			str("memory"), []byte{0x02, 0x00},
			str("_start"), []byte{0x00, 0x02}),
		section(10, []byte{1, byte(len(code))}, code),
		section(11, []byte{1, 0x00, 0x41, 0x00, 0x0b, 8, 0x40, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00}),
	}, nil)
}
