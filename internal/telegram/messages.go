package telegram

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/gigachat-relay/internal/gigachat"
	"github.com/ashureev/gigachat-relay/internal/relay"
	"github.com/ashureev/gigachat-relay/internal/shared"
)

// MaxMessageLen is the maximum Telegram message length.
const MaxMessageLen = 4096

// maxCaptionLen is the maximum Telegram photo caption length.
const maxCaptionLen = 1024

// User-facing texts.
const (
	msgWelcome = "Привет! Я бот с интеграцией GigaChat. " +
		"Отправьте мне текстовое сообщение, и я постараюсь помочь. " +
		"\n\nТакже вы можете:\n" +
		"• Использовать команду /image для генерации изображений\n" +
		"• Отправлять изображения (JPG, PNG, TIFF, BMP до 15MB) для анализа\n" +
		"• Отправлять текстовые файлы (TXT, CSV, MD, PDF, DOC, DOCX до 30MB) для анализа\n" +
		"• Использовать команду /clear для очистки истории чата"

	msgProcessing        = "💭 Обрабатываю ваше сообщение..."
	msgGenerating        = "🎨 Генерирую изображение, пожалуйста, подождите..."
	msgFileStarted       = "🔄 Начинаю обработку файла..."
	msgFileUploading     = "🔄 Загружаю файл в систему анализа..."
	msgFileAnalyzing     = "🔄 Анализирую содержимое..."
	msgImageUsage        = "Пожалуйста, добавьте описание изображения после команды /image\nНапример: /image красивый закат на море"
	msgHistoryCleared    = "✨ История чата очищена!"
	msgHistoryEmpty      = "История чата уже пуста."
	msgUnknownCommand    = "Неизвестная команда. Отправьте /start, чтобы узнать, что я умею."
	msgUnauthorized      = "⛔ У вас нет доступа к этому боту."
	msgRateLimited       = "⏳ Слишком много запросов. Подождите немного."
	msgAuthFailed        = "❌ Ошибка авторизации в GigaChat API. Повторите попытку позже."
	msgUnavailable       = "❌ Сервис GigaChat недоступен. Попробуйте позже."
	msgRequestFailed     = "❌ Произошла ошибка при обработке запроса. Попробуйте позже."
	msgImageFailed       = "❌ Не удалось сгенерировать изображение."
	msgUnexpected        = "❌ Произошла непредвиденная ошибка. Пожалуйста, попробуйте позже."
	msgUnsupportedFile   = "❌ Неподдерживаемый формат файла. Поддерживаются:\n• Изображения: JPG, PNG, TIFF, BMP\n• Текстовые файлы: TXT, CSV, MD, PDF, DOC, DOCX"
	msgFileTooLargeFmt   = "❌ Файл слишком большой. Максимальный размер - %dMB."
	msgImageCaptionFmt   = "🎨 Сгенерированное изображение по запросу: %s"
	msgAnalysisResultFmt = "📝 Результат анализа %s:\n\n%s"
)

// UserMessage maps an error to the text shown in the chat. Only the error
// category is revealed; details stay in the logs.
func UserMessage(err error) string {
	switch shared.KindOf(err) {
	case shared.KindAuth, shared.KindAuthExpired:
		return msgAuthFailed
	case shared.KindTransport:
		return msgUnavailable
	case shared.KindProtocol:
		if errors.Is(err, gigachat.ErrImageNotFound) {
			return msgImageFailed
		}
		return msgRequestFailed
	case shared.KindSizeLimit:
		var se *relay.SizeLimitError
		if errors.As(err, &se) {
			return fmt.Sprintf(msgFileTooLargeFmt, se.Limit/(1024*1024))
		}
		return msgRequestFailed
	case shared.KindUnsupportedFormat:
		return msgUnsupportedFile
	case shared.KindUnauthorized:
		return msgUnauthorized
	default:
		return msgUnexpected
	}
}

func analysisResult(class relay.FileClass, text string) string {
	subject := "документа"
	if class == relay.ClassImage {
		subject = "изображения"
	}
	return fmt.Sprintf(msgAnalysisResultFmt, subject, text)
}

func imageCaption(prompt string) string {
	return truncateRunes(fmt.Sprintf(msgImageCaptionFmt, prompt), maxCaptionLen)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}

// SplitMessage breaks text into chunks of at most max runes, preferring to
// cut at a line break in the second half of a chunk.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		max = MaxMessageLen
	}
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}

	var chunks []string
	for len(runes) > max {
		cut := max
		for i := max - 1; i >= max/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunk := strings.TrimRight(string(runes[:cut]), "\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
