package mpegts

import "errors"

var errCRCMismatch = errors.New("mpegts: CRC32 mismatch")

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC32 computes the MPEG-2 CRC of data. Running it over a section that
// includes its trailing CRC yields zero.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

func verifyCRC32(section []byte) error {
	if len(section) < 4 {
		return errors.New("mpegts: section too short for CRC32")
	}
	if CRC32(section) != 0 {
		return errCRCMismatch
	}
	return nil
}
