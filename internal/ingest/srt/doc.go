// Package srt pulls a live MPEG-2 transport stream from a remote SRT
// listener in caller mode.
package srt
