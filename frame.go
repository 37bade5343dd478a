package sdp

// Frame layout on the wire :
//
//	SOF | header | stuffed(payload + CRC16) | EOF
//
// The header is one acknowledgement byte in half-duplex mode, or a
// response flag byte followed by a status byte in full-duplex mode.
// Header bytes never collide with the delimiters and are not stuffed.

// stuffByte appends b to dst at offset n, escaping it when it collides
// with a delimiter byte. Returns the new offset.
func stuffByte(dst []byte, n int, b byte) (int, error) {
	if b == sofByte || b == eofByte || b == dleByte {
		if n+2 > len(dst) {
			return n, ErrFrameTooBig
		}
		dst[n] = dleByte
		dst[n+1] = b ^ dleXorMask
		return n + 2, nil
	}
	if n+1 > len(dst) {
		return n, ErrFrameTooBig
	}
	dst[n] = b
	return n + 1, nil
}

// composeFrame builds a complete frame into dst and returns its length.
// The CRC is computed over the raw payload, appended most significant
// byte first and stuffed by the same rule as the payload. len(dst) is the
// maximum frame size; if composition would exceed it, ErrFrameTooBig is
// returned and the content of dst is unspecified.
func composeFrame(dst []byte, header []byte, payload []byte) (int, error) {
	n := 1 + len(header)
	if n+1 > len(dst) {
		return 0, ErrFrameTooBig
	}
	dst[0] = sofByte
	copy(dst[1:], header)

	var err error
	for _, b := range payload {
		if n, err = stuffByte(dst, n, b); err != nil {
			return 0, err
		}
	}
	crc := CalculateCRC16(payload)
	if n, err = stuffByte(dst, n, byte(crc>>8)); err != nil {
		return 0, err
	}
	if n, err = stuffByte(dst, n, byte(crc)); err != nil {
		return 0, err
	}
	if n+1 > len(dst) {
		return 0, ErrFrameTooBig
	}
	dst[n] = eofByte
	return n + 1, nil
}

// verifyFrame checks a de-stuffed payload with its two CRC trailer bytes
// still attached. The CRC of the whole sequence is zero exactly when the
// trailer matches the payload.
func verifyFrame(raw []byte) bool {
	if len(raw) < crcSize {
		return false
	}
	return CalculateCRC16(raw) == 0
}
