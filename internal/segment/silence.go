package segment

// Pre-encoded silent AAC-LC frames, one per sampling rate. Frames whose
// rate is not listed are padded with a copy of the segment's first frame.
var silentFrames = buildSilentFrames()

func buildSilentFrames() map[int][]byte {
	highPrefix := []byte{33, 16, 5, 32, 164, 27}
	lowPrefix := []byte{33, 65, 108, 84, 1, 2, 4, 8, 168, 2, 4, 8, 17, 191, 252}
	z := func(n int) []byte { return make([]byte, n) }
	cat := func(parts ...[]byte) []byte {
		var out []byte
		for _, p := range parts {
			out = append(out, p...)
		}
		return out
	}
	return map[int][]byte{
		96000: cat(highPrefix, []byte{227, 64}, z(154), []byte{56}),
		88200: cat(highPrefix, []byte{231}, z(170), []byte{56}),
		64000: cat(highPrefix, []byte{248, 192}, z(240), []byte{56}),
		48000: cat(highPrefix, []byte{255, 192}, z(268), []byte{55, 148, 128}, z(54), []byte{112}),
		44100: cat(highPrefix, []byte{255, 192}, z(268), []byte{55, 163, 128}, z(84), []byte{112}),
		32000: cat(highPrefix, []byte{255, 192}, z(268), []byte{55, 234}, z(226), []byte{112}),
		24000: cat(highPrefix, []byte{255, 192}, z(268), []byte{55, 255, 128}, z(268), []byte{111, 112}, z(126), []byte{224}),
		16000: cat(highPrefix, []byte{255, 192}, z(268), []byte{55, 255, 128}, z(268), []byte{111, 255}, z(269), []byte{223, 108}, z(195), []byte{1, 192}),
		12000: cat(lowPrefix, z(268), []byte{3, 127, 248}, z(268), []byte{6, 255, 240}, z(268), []byte{13, 255, 224}, z(268), []byte{27, 253, 128}, z(259), []byte{56}),
		11025: cat(lowPrefix, z(268), []byte{3, 127, 248}, z(268), []byte{6, 255, 240}, z(268), []byte{13, 255, 224}, z(268), []byte{27, 255, 192}, z(268), []byte{55, 175, 128}, z(108), []byte{112}),
		8000:  cat(lowPrefix, z(268), []byte{3, 121, 16}, z(47), []byte{7}),
	}
}

// SilentFrame returns the pre-encoded silent frame for sampleRate.
func SilentFrame(sampleRate int) ([]byte, bool) {
	f, ok := silentFrames[sampleRate]
	return f, ok
}
