// Package sl содержит вспомогательные функции для работы с логгером slog.
package sl

import "log/slog"

// Err возвращает slog.Attr с ключом "error" и текстом ошибки.
// Для nil возвращается пустая строка, чтобы вызов в ветке логирования не паниковал.
//
// Пример:
//
//	log.Error("failed to consume magic link", sl.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Discard возвращает логгер, который ничего не пишет. Используется в тестах
// и там, где зависимость логгера необязательна.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
