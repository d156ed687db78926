package telegram

import (
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func textMessage(chatID int64, text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{MessageID: 10, Chat: &tgbotapi.Chat{ID: chatID}, Text: text}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return msg
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      *tgbotapi.Message
		wantKind EventKind
		wantText string
	}{
		{name: "nil", msg: nil, wantKind: EventIgnored},
		{name: "start", msg: textMessage(1, "/start"), wantKind: EventStart},
		{name: "help", msg: textMessage(1, "/help"), wantKind: EventStart},
		{name: "clear with bot suffix", msg: textMessage(1, "/clear@gigabot"), wantKind: EventClear},
		{name: "image with prompt", msg: textMessage(1, "/image  красивый закат "), wantKind: EventImage, wantText: "красивый закат"},
		{name: "image without prompt", msg: textMessage(1, "/image"), wantKind: EventImage},
		{name: "unknown command", msg: textMessage(1, "/foo"), wantKind: EventUnknownCommand},
		{name: "plain text", msg: textMessage(1, "привет"), wantKind: EventText, wantText: "привет"},
		{name: "blank text", msg: textMessage(1, "   "), wantKind: EventIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := Classify(tt.msg)
			if ev.Kind != tt.wantKind || ev.Text != tt.wantText {
				t.Fatalf("Classify() = %v %q, want %v %q", ev.Kind, ev.Text, tt.wantKind, tt.wantText)
			}
		})
	}
}

func TestClassifyDocument(t *testing.T) {
	t.Parallel()

	msg := &tgbotapi.Message{
		MessageID: 3,
		Chat:      &tgbotapi.Chat{ID: 7},
		Document:  &tgbotapi.Document{FileID: "doc-1", MimeType: "application/pdf", FileSize: 2048},
	}
	ev := Classify(msg)
	if ev.Kind != EventFile || ev.ChatID != 7 || ev.MessageID != 3 {
		t.Fatalf("event = %+v", ev)
	}
	want := FileRef{FileID: "doc-1", Name: "file.pdf", MIMEType: "application/pdf", Size: 2048}
	if *ev.File != want {
		t.Fatalf("file = %+v, want %+v", *ev.File, want)
	}
}

func TestClassifyPhotoUsesLargestSize(t *testing.T) {
	t.Parallel()

	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 7},
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileSize: 100},
			{FileID: "large", FileSize: 9000},
		},
	}
	ev := Classify(msg)
	if ev.Kind != EventFile || ev.File.FileID != "large" || ev.File.MIMEType != "image/jpeg" || ev.File.Size != 9000 {
		t.Fatalf("event = %+v file = %+v", ev, ev.File)
	}
}
