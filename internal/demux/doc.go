// Package demux parses the elementary streams carried by the transport
// layer: ADTS audio, Annex-B H.264 video (including SPS decoding and
// CEA-608/708 captions carried in SEI) and ID3 timed metadata.
//
// Every parser is push based and resumable: input may be split at any
// byte and whatever cannot be completed yet is carried into the next
// call. Flush hands back what is left at the end of a segment.
package demux
