package plex

import (
	"strconv"
	"strings"
)

// Timeline messages are rendered once per fan-out round and personalized
// per subscriber by substituting the command id placeholder at send time.
const commandIDPlaceholder = "{command_id}"

// TimelineStopped is reported while nothing is bound to the renderer.
const TimelineStopped = `<MediaContainer commandID="{command_id}">` +
	`<Timeline type="music" state="stopped"/>` +
	`<Timeline type="video" state="stopped"/>` +
	`<Timeline type="photo" state="stopped"/>` +
	`</MediaContainer>`

// TimelineDisconnected is the final message sent when a renderer goes
// away.
const TimelineDisconnected = `<MediaContainer commandID="{command_id}" disconnected="1">` +
	`<Timeline type="music" state="stopped"/>` +
	`<Timeline type="video" state="stopped"/>` +
	`<Timeline type="photo" state="stopped"/>` +
	`</MediaContainer>`

const controllable = "playPause,stop,volume,shuffle,repeat,seekTo,skipPrevious,skipNext,stepBack,stepForward"

var attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", `"`, "&quot;")

// RenderPlayingTimeline builds the music timeline message from ordered
// state attributes, leaving the command id placeholder in place.
func RenderPlayingTimeline(params []Param) string {
	var b strings.Builder
	b.WriteString(`<MediaContainer commandID="{command_id}">`)
	b.WriteString(`<Timeline controllable="` + controllable + `" type="music"`)
	for _, p := range params {
		b.WriteString(" " + p.Key + `="` + attrEscaper.Replace(p.Value) + `"`)
	}
	b.WriteString(`/><Timeline type="video" state="stopped"/>`)
	b.WriteString(`<Timeline type="photo" state="stopped"/></MediaContainer>`)
	return b.String()
}

// RenderTimeline substitutes the subscriber's command id into a timeline
// message.
func RenderTimeline(msg string, commandID int) string {
	return strings.ReplaceAll(msg, commandIDPlaceholder, strconv.Itoa(commandID))
}
