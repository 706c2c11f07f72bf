// Package segment turns the NAL units and AAC frames of one media segment
// into fragmented MP4 boxes. VideoGenerator and AudioGenerator each own
// one TrackState and emit a moof+mdat per segment; Constructor combines
// their output with the segment's captions and ID3 tags into a single
// init+media buffer.
package segment
