package domain

// OrderRepository описывает требования к хранилищу заказов. Реализация должна
// обеспечивать атомарный цикл load -> mutate -> save: Save проверяет версию
// и возвращает ErrOrderVersionConflict при конкурентной записи.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(customerID string, limit int) ([]Order, error)
	// ListByStatus возвращает заказы в заданном статусе.
	ListByStatus(status OrderStatus, limit int) ([]Order, error)
	// ListAll возвращает все заказы с опциональным ограничением на количество.
	ListAll(limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
	// Delete удаляет заказ по идентификатору.
	Delete(id string) error
	// Exists проверяет наличие заказа.
	Exists(id string) (bool, error)
}
