// Package mp4 writes the fragmented ISO-BMFF boxes of an fMP4 stream:
// the ftyp+moov initialization segment and per-track moof+mdat media
// segments. It also reads the decode time and duration back out of a
// finished fragment.
package mp4
