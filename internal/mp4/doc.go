// Package mp4 builds the fragmented ISO-BMFF output of the remuxer: one
// single-track initialization segment per elementary stream and one
// moof+mdat pair per track and fragment. Box layout is delegated to
// mediacommon's fmp4 package.
package mp4
