package coordination

import "sync"

// orderLocks линеаризует мутации по одному order id: обработчики исходов
// оплаты и андеррайтинга работают в разных горутинах, и параллельная
// доставка по одному заказу — штатный случай, а не исключение.
type orderLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{entries: make(map[string]*lockEntry)}
}

// Lock захватывает мьютекс заказа и возвращает функцию освобождения.
// Записи со счётчиком ссылок удаляются из map, как только последний
// владелец отпустил блокировку, чтобы map не рос с числом заказов.
func (l *orderLocks) Lock(orderID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[orderID]
	if !ok {
		entry = &lockEntry{}
		l.entries[orderID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, orderID)
		}
		l.mu.Unlock()
	}
}
