package chat

// ChannelKind classifies channels. Only text channels and public threads are crawled.
type ChannelKind int

const (
	ChannelOther ChannelKind = iota
	ChannelText
	ChannelPublicThread
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelText:
		return "text"
	case ChannelPublicThread:
		return "public_thread"
	default:
		return "other"
	}
}

// Indexable reports whether messages in channels of this kind are backfilled.
func (k ChannelKind) Indexable() bool {
	return k == ChannelText || k == ChannelPublicThread
}

type Channel struct {
	ID      ID
	GuildID ID
	Name    string
	Kind    ChannelKind
}

// Message is a chat message as delivered by a platform adapter.
type Message struct {
	Ref    MessageRef
	Text   string
	Author string
}
