package demux

import (
	"github.com/zsiec/refract/internal/crypt"
	"github.com/zsiec/refract/internal/media"
)

// SAMPLE-AES layout constants.
const (
	sampleAESAudioClear = 16  // clear leader of an AAC frame
	sampleAESVideoClear = 32  // clear leader of a slice NAL unit
	sampleAESVideoMin   = 48  // shorter slices are not encrypted
	sampleAESVideoSkip  = 160 // one encrypted block per 10
)

// SampleAES decrypts SAMPLE-AES protected access units. Every sample is
// decrypted from the same key and IV.
type SampleAES struct {
	Key []byte
	IV  []byte
}

// DecryptAudio decrypts the AAC frames of track in place.
func (s *SampleAES) DecryptAudio(track *media.Track) error {
	for _, smp := range track.Samples {
		if len(smp.Data) <= sampleAESAudioClear {
			continue
		}
		n := (len(smp.Data) - sampleAESAudioClear) &^ 15
		enc := smp.Data[sampleAESAudioClear : sampleAESAudioClear+n]
		dec, err := crypt.DecryptBlocks(enc, s.Key, s.IV)
		if err != nil {
			return err
		}
		copy(enc, dec)
	}
	return nil
}

// DecryptVideo decrypts the slice NAL units of track. Units are replaced by
// their decrypted form with emulation prevention bytes removed.
func (s *SampleAES) DecryptVideo(track *media.Track) error {
	track.Len = 0
	for _, smp := range track.Samples {
		for i, unit := range smp.Units {
			t := unit[0] & 0x1F
			if (t != NALTypeSlice && t != NALTypeIDR) || len(unit) <= sampleAESVideoMin {
				continue
			}
			dec, err := s.decryptNAL(unit)
			if err != nil {
				return err
			}
			smp.Units[i] = dec
		}
		track.Len += smp.Size()
	}
	return nil
}

func (s *SampleAES) decryptNAL(unit []byte) ([]byte, error) {
	data := RemoveEmulationPrevention(unit)
	if len(data) <= sampleAESVideoMin {
		return data, nil
	}
	var enc []byte
	for off := sampleAESVideoClear; off+16 <= len(data); off += sampleAESVideoSkip {
		enc = append(enc, data[off:off+16]...)
	}
	dec, err := crypt.DecryptBlocks(enc, s.Key, s.IV)
	if err != nil {
		return nil, err
	}
	for i, off := 0, sampleAESVideoClear; i < len(dec); i, off = i+16, off+sampleAESVideoSkip {
		copy(data[off:off+16], dec[i:i+16])
	}
	return data, nil
}
