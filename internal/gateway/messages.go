package gateway

import "fmt"

// Messages produces the user-facing summaries in one language.
type Messages interface {
	Detected(n int) string
	PartialSaved(n int) string
	Unavailable() string
	Batch(total, processed, failed int) string
}

// NewMessages returns the catalog for lang, falling back to English.
func NewMessages(lang string) Messages {
	if lang == "ru" {
		return russian{}
	}
	return english{}
}

type english struct{}

func (english) Detected(n int) string {
	return fmt.Sprintf("Detection finished: %d %s", n, plural(n, "object", "objects"))
}

func (english) PartialSaved(n int) string {
	return fmt.Sprintf("Detection finished: %d %s, but saving them to the database failed", n, plural(n, "object", "objects"))
}

func (english) Unavailable() string {
	return "Detection is temporarily unavailable, please try again later"
}

func (english) Batch(total, processed, failed int) string {
	msg := fmt.Sprintf("Processed %d %s, detected %d %s", processed, plural(processed, "photo", "photos"), total, plural(total, "object", "objects"))
	if failed > 0 {
		msg += fmt.Sprintf(", %d skipped", failed)
	}
	return msg
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

type russian struct{}

func (russian) Detected(n int) string {
	return fmt.Sprintf("Расчёт завершён: найдено %d %s", n, pluralRU(n, "объект", "объекта", "объектов"))
}

func (russian) PartialSaved(n int) string {
	return fmt.Sprintf("Расчёт завершён: найдено %d %s, но сохранить их в базу не удалось", n, pluralRU(n, "объект", "объекта", "объектов"))
}

func (russian) Unavailable() string {
	return "Расчёт временно недоступен, попробуйте позже"
}

func (russian) Batch(total, processed, failed int) string {
	msg := fmt.Sprintf("Обработано %d %s, найдено %d %s", processed, pluralRU(processed, "фото", "фото", "фото"),
		total, pluralRU(total, "объект", "объекта", "объектов"))
	if failed > 0 {
		msg += fmt.Sprintf(", пропущено %d", failed)
	}
	return msg
}

// pluralRU picks the form for 1, 2-4 and 5+ (with 11-14 taking the last).
func pluralRU(n int, one, few, many string) string {
	if n < 0 {
		n = -n
	}
	switch mod100 := n % 100; {
	case mod100 >= 11 && mod100 <= 14:
		return many
	case n%10 == 1:
		return one
	case n%10 >= 2 && n%10 <= 4:
		return few
	default:
		return many
	}
}
