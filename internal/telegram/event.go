package telegram

import (
	"mime"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// EventKind classifies an inbound message.
type EventKind int

// Event kinds.
const (
	EventIgnored EventKind = iota
	EventStart
	EventClear
	EventImage
	EventFile
	EventText
	EventUnknownCommand
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventClear:
		return "clear"
	case EventImage:
		return "image"
	case EventFile:
		return "file"
	case EventText:
		return "text"
	case EventUnknownCommand:
		return "unknown_command"
	default:
		return "ignored"
	}
}

// FileRef points at a file stored by Telegram.
type FileRef struct {
	FileID   string
	Name     string
	MIMEType string
	Size     int64 // declared size, 0 if unknown
}

// Event is an inbound message reduced to what the relay needs.
type Event struct {
	Kind      EventKind
	ChatID    int64
	MessageID int
	Text      string
	File      *FileRef
}

// Classify turns a Telegram message into an Event.
func Classify(msg *tgbotapi.Message) Event {
	if msg == nil || msg.Chat == nil {
		return Event{Kind: EventIgnored}
	}
	ev := Event{ChatID: msg.Chat.ID, MessageID: msg.MessageID}

	switch {
	case msg.IsCommand():
		switch strings.ToLower(msg.Command()) {
		case "start", "help":
			ev.Kind = EventStart
		case "clear":
			ev.Kind = EventClear
		case "image":
			ev.Kind = EventImage
			ev.Text = strings.TrimSpace(msg.CommandArguments())
		default:
			ev.Kind = EventUnknownCommand
		}
	case msg.Document != nil:
		ev.Kind = EventFile
		ev.File = &FileRef{
			FileID:   msg.Document.FileID,
			Name:     documentName(msg.Document),
			MIMEType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
		}
	case len(msg.Photo) > 0:
		// Telegram lists photo sizes in ascending order.
		largest := msg.Photo[len(msg.Photo)-1]
		ev.Kind = EventFile
		ev.File = &FileRef{
			FileID:   largest.FileID,
			Name:     "photo.jpg",
			MIMEType: "image/jpeg",
			Size:     int64(largest.FileSize),
		}
	case strings.TrimSpace(msg.Text) != "":
		ev.Kind = EventText
		ev.Text = msg.Text
	default:
		ev.Kind = EventIgnored
	}
	return ev
}

func documentName(doc *tgbotapi.Document) string {
	if doc.FileName != "" {
		return doc.FileName
	}
	ext := "bin"
	if mediaType, _, err := mime.ParseMediaType(doc.MimeType); err == nil {
		if i := strings.LastIndex(mediaType, "/"); i >= 0 && i < len(mediaType)-1 {
			ext = mediaType[i+1:]
		}
	}
	return "file." + ext
}
