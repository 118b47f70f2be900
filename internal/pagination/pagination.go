// Package pagination реализует порционную выборку: запрашиваем batch+1 строк,
// наличие лишней строки означает, что есть следующая страница — без COUNT(*).
package pagination

// Размеры батча фиксированы протоколом клиента.
const (
	MessageBatch = 20 // история сообщений
	UserBatch    = 10 // поиск пользователей и контакты
)

// Page — страница выборки. NextPage — смещение следующей страницы;
// nil означает конец списка.
type Page[T any] struct {
	Items    []T  `json:"items"`
	NextPage *int `json:"nextPage"`
}

// FetchLimit — лимит для SQL-запроса: на одну строку больше батча.
func FetchLimit(batch int) int { return batch + 1 }

// ClampOffset отбрасывает отрицательные смещения из query-параметров.
func ClampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// Build обрезает выборку размером до batch+1 строк до страницы.
// Клиент продолжает со смещения offset+batch, если лишняя строка была.
func Build[T any](items []T, offset, batch int) Page[T] {
	if items == nil {
		items = []T{}
	}
	if len(items) > batch {
		next := offset + batch
		return Page[T]{Items: items[:batch:batch], NextPage: &next}
	}
	return Page[T]{Items: items}
}
