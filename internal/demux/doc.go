// Package demux turns HLS fragments into elementary stream tracks. It
// handles MPEG-2 transport streams carrying AVC video, AAC or MPEG audio
// and ID3 metadata, and packed AAC audio with a leading ID3 timestamp. fMP4
// fragments are recognized by [ProbeFormat] and passed through.
//
// The central type is [TSDemuxer]. Its [NALUScanner] and [ADTSParser] keep
// partial units between calls so a fragment that continues the previous
// one (see [Options].Contiguous) is parsed as if both were one input.
// Caption user data in SEI NAL units is decoded into text samples.
package demux
