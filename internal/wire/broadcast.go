package wire

// GroupBroadcaster replicates stream events to synchronized group peers so
// they render the same timestamped frames as the directly connected client.
// The scheduler calls every method unconditionally alongside the direct send.
type GroupBroadcaster interface {
	NotifyStreamStart(format StreamFormat, codecHeader []byte)
	BroadcastFrame(frame Frame)
	NotifyStreamEnd()
	BroadcastMetadata(metadata MetadataPayload)
	BroadcastControllerState(state ControllerStatePayload)
	BroadcastPlaybackState(state string, groupID, groupName string)
}

// NopBroadcaster is the broadcaster for ungrouped zones.
type NopBroadcaster struct{}

func (NopBroadcaster) NotifyStreamStart(StreamFormat, []byte)          {}
func (NopBroadcaster) BroadcastFrame(Frame)                            {}
func (NopBroadcaster) NotifyStreamEnd()                                {}
func (NopBroadcaster) BroadcastMetadata(MetadataPayload)               {}
func (NopBroadcaster) BroadcastControllerState(ControllerStatePayload) {}
func (NopBroadcaster) BroadcastPlaybackState(string, string, string)   {}
