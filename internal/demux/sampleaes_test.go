package demux

import (
	"bytes"
	"testing"

	"github.com/zsiec/refract/internal/crypt"
	"github.com/zsiec/refract/internal/media"
)

func TestSampleAES_DecryptVideo(t *testing.T) {
	t.Parallel()
	key := bytes.Repeat([]byte{0x42}, 16)
	iv := crypt.DefaultIV(7)

	plain := make([]byte, 220)
	plain[0] = 0x65
	for i := 1; i < len(plain); i++ {
		plain[i] = byte(i%200) + 1 // no zero bytes, so no emulation prevention
	}
	// Blocks at 32 and 192 are encrypted as one CBC chain.
	var clear []byte
	clear = append(clear, plain[32:48]...)
	clear = append(clear, plain[192:208]...)
	enc, err := crypt.EncryptBlocks(clear, key, iv)
	if err != nil {
		t.Fatal(err)
	}
	unit := append([]byte(nil), plain...)
	copy(unit[32:48], enc[:16])
	copy(unit[192:208], enc[16:])

	short := []byte{0x65, 1, 2, 3}
	track := media.NewTrack(media.TrackVideo)
	track.Push(&media.Sample{Units: [][]byte{sps720p, unit, short}, Key: true})

	s := &SampleAES{Key: key, IV: iv}
	if err := s.DecryptVideo(track); err != nil {
		t.Fatal(err)
	}
	units := track.Samples[0].Units
	if !bytes.Equal(units[1], plain) {
		t.Error("slice not decrypted")
	}
	if !bytes.Equal(units[0], sps720p) || !bytes.Equal(units[2], short) {
		t.Error("unencrypted units modified")
	}
	if want := 12 + len(sps720p) + len(plain) + len(short); track.Len != want {
		t.Errorf("Len = %d, want %d", track.Len, want)
	}
}

func TestSampleAES_DecryptAudio(t *testing.T) {
	t.Parallel()
	key := bytes.Repeat([]byte{0x17}, 16)
	iv := crypt.DefaultIV(1)

	plain := bytes.Repeat([]byte{0xAB, 0xCD}, 30) // 60 bytes: 16 clear, 32 encrypted, 12 clear
	enc, err := crypt.EncryptBlocks(plain[16:48], key, iv)
	if err != nil {
		t.Fatal(err)
	}
	data := append([]byte(nil), plain...)
	copy(data[16:48], enc)

	track := media.NewTrack(media.TrackAudio)
	track.Push(&media.Sample{Data: data})
	track.Push(&media.Sample{Data: []byte{1, 2, 3}})

	if err := (&SampleAES{Key: key, IV: iv}).DecryptAudio(track); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(track.Samples[0].Data, plain) {
		t.Error("frame not decrypted")
	}
	if !bytes.Equal(track.Samples[1].Data, []byte{1, 2, 3}) {
		t.Error("short frame modified")
	}
}

func TestSampleAES_BadKey(t *testing.T) {
	t.Parallel()
	track := media.NewTrack(media.TrackAudio)
	track.Push(&media.Sample{Data: make([]byte, 64)})
	if err := (&SampleAES{Key: []byte{1}, IV: crypt.DefaultIV(0)}).DecryptAudio(track); err == nil {
		t.Error("short key accepted")
	}
}
