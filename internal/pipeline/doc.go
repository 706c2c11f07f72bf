// Package pipeline drives the transmuxer: it sniffs each segment's
// container, feeds the matching front end (MPEG-TS demuxer or packed
// ADTS scanner) and turns each finished segment into fragmented MP4.
package pipeline
