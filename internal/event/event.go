// Package event carries player events between controllers. Events are
// plain structs; subscribers register for the kinds they handle and match
// the concrete type with a type switch.
package event

import (
	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/hlserr"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/loader"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/remux"
)

// Kind tags an event type.
type Kind uint8

const (
	KindManifestLoading Kind = iota + 1
	KindManifestLoaded
	KindManifestParsed
	KindLevelSwitching
	KindLevelSwitched
	KindLevelLoading
	KindLevelLoaded
	KindLevelUpdated
	KindLevelPTSUpdated
	KindFragLoading
	KindFragLoaded
	KindFragLoadEmergencyAborted
	KindKeyLoading
	KindKeyLoaded
	KindInitPTSFound
	KindFragParsed
	KindFragParsingMetadata
	KindFragParsingUserdata
	KindFragChanged
	KindBufferCodecs
	KindBufferAppending
	KindBufferAppended
	KindFragBuffered
	KindBufferFlushing
	KindBufferFlushed
	KindBufferEOS
	KindMediaSeeking
	KindMediaSeeked
	KindError
	KindDestroying
)

var kindNames = map[Kind]string{
	KindManifestLoading:          "manifestLoading",
	KindManifestLoaded:           "manifestLoaded",
	KindManifestParsed:           "manifestParsed",
	KindLevelSwitching:           "levelSwitching",
	KindLevelSwitched:            "levelSwitched",
	KindLevelLoading:             "levelLoading",
	KindLevelLoaded:              "levelLoaded",
	KindLevelUpdated:             "levelUpdated",
	KindLevelPTSUpdated:          "levelPtsUpdated",
	KindFragLoading:              "fragLoading",
	KindFragLoaded:               "fragLoaded",
	KindFragLoadEmergencyAborted: "fragLoadEmergencyAborted",
	KindKeyLoading:               "keyLoading",
	KindKeyLoaded:                "keyLoaded",
	KindInitPTSFound:             "initPtsFound",
	KindFragParsed:               "fragParsed",
	KindFragParsingMetadata:      "fragParsingMetadata",
	KindFragParsingUserdata:      "fragParsingUserdata",
	KindFragChanged:              "fragChanged",
	KindBufferCodecs:             "bufferCodecs",
	KindBufferAppending:          "bufferAppending",
	KindBufferAppended:           "bufferAppended",
	KindFragBuffered:             "fragBuffered",
	KindBufferFlushing:           "bufferFlushing",
	KindBufferFlushed:            "bufferFlushed",
	KindBufferEOS:                "bufferEos",
	KindMediaSeeking:             "mediaSeeking",
	KindMediaSeeked:              "mediaSeeked",
	KindError:                    "error",
	KindDestroying:               "destroying",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is implemented by every event struct.
type Event interface {
	Kind() Kind
}

type ManifestLoading struct{ URL string }

type ManifestLoaded struct {
	URL    string
	Levels []*level.Level
	Stats  loader.Stats
}

type ManifestParsed struct {
	Levels     []*level.Level
	FirstLevel int
}

type LevelSwitching struct{ Level int }

type LevelSwitched struct{ Level int }

type LevelLoading struct {
	Level int
	URL   string
}

type LevelLoaded struct {
	Level   int
	Details *level.Details
	Stats   loader.Stats
}

type LevelUpdated struct {
	Level   int
	Details *level.Details
}

type LevelPTSUpdated struct {
	Level int
	SN    int
	Drift float64
	Start float64
	End   float64
}

type FragLoading struct{ Frag *level.Fragment }

type FragLoaded struct {
	Frag  *level.Fragment
	Stats loader.Stats
}

type FragLoadEmergencyAborted struct {
	Frag      *level.Fragment
	Stats     loader.Stats
	NextLevel int
}

type KeyLoading struct{ Frag *level.Fragment }

type KeyLoaded struct{ Frag *level.Fragment }

// InitPTSFound announces the timestamp origin of a discontinuity domain in
// 90 kHz ticks.
type InitPTSFound struct {
	Frag    *level.Fragment
	CC      int
	InitPTS int64
	InitDTS int64
}

type FragParsed struct {
	Frag     *level.Fragment
	StartPTS float64
	EndPTS   float64
	StartDTS float64
	EndDTS   float64
	HasAudio bool
	HasVideo bool
}

// FragParsingMetadata carries the ID3 tags of a fragment, timed on the
// presentation timeline.
type FragParsingMetadata struct {
	Frag    *level.Fragment
	Samples []remux.Metadata
}

// FragParsingUserdata carries the caption text of a fragment.
type FragParsingUserdata struct {
	Frag    *level.Fragment
	Samples []remux.Userdata
}

// FragChanged is emitted when the playhead enters another fragment.
type FragChanged struct{ Frag *level.Fragment }

type BufferCodecs struct {
	Tracks map[media.TrackType]buffer.TrackInfo
}

type BufferAppending struct {
	Type media.TrackType
	Frag *level.Fragment
	Size int
}

type BufferAppended struct {
	Type     media.TrackType
	Frag     *level.Fragment
	Pending  int
	Buffered buffer.Ranges
}

type FragBuffered struct {
	Frag  *level.Fragment
	Stats loader.Stats
}

type BufferFlushing struct {
	Start float64
	End   float64
	Type  media.TrackType // 0 flushes every track
}

type BufferFlushed struct{ Type media.TrackType }

type BufferEOS struct{}

type MediaSeeking struct{ Position float64 }

type MediaSeeked struct{ Position float64 }

// Error reports a classified failure. Frag is set for fragment and key
// errors. Downgrade is set when loading goes on at NextLevel, below the
// level that failed.
type Error struct {
	Err       *hlserr.Error
	Frag      *level.Fragment
	Downgrade bool
	NextLevel int
}

type Destroying struct{}

func (ManifestLoading) Kind() Kind          { return KindManifestLoading }
func (ManifestLoaded) Kind() Kind           { return KindManifestLoaded }
func (ManifestParsed) Kind() Kind           { return KindManifestParsed }
func (LevelSwitching) Kind() Kind           { return KindLevelSwitching }
func (LevelSwitched) Kind() Kind            { return KindLevelSwitched }
func (LevelLoading) Kind() Kind             { return KindLevelLoading }
func (LevelLoaded) Kind() Kind              { return KindLevelLoaded }
func (LevelUpdated) Kind() Kind             { return KindLevelUpdated }
func (LevelPTSUpdated) Kind() Kind          { return KindLevelPTSUpdated }
func (FragLoading) Kind() Kind              { return KindFragLoading }
func (FragLoaded) Kind() Kind               { return KindFragLoaded }
func (FragLoadEmergencyAborted) Kind() Kind { return KindFragLoadEmergencyAborted }
func (KeyLoading) Kind() Kind               { return KindKeyLoading }
func (KeyLoaded) Kind() Kind                { return KindKeyLoaded }
func (InitPTSFound) Kind() Kind             { return KindInitPTSFound }
func (FragParsed) Kind() Kind               { return KindFragParsed }
func (FragParsingMetadata) Kind() Kind      { return KindFragParsingMetadata }
func (FragParsingUserdata) Kind() Kind      { return KindFragParsingUserdata }
func (FragChanged) Kind() Kind              { return KindFragChanged }
func (BufferCodecs) Kind() Kind             { return KindBufferCodecs }
func (BufferAppending) Kind() Kind          { return KindBufferAppending }
func (BufferAppended) Kind() Kind           { return KindBufferAppended }
func (FragBuffered) Kind() Kind             { return KindFragBuffered }
func (BufferFlushing) Kind() Kind           { return KindBufferFlushing }
func (BufferFlushed) Kind() Kind            { return KindBufferFlushed }
func (BufferEOS) Kind() Kind                { return KindBufferEOS }
func (MediaSeeking) Kind() Kind             { return KindMediaSeeking }
func (MediaSeeked) Kind() Kind              { return KindMediaSeeked }
func (Error) Kind() Kind                    { return KindError }
func (Destroying) Kind() Kind               { return KindDestroying }
