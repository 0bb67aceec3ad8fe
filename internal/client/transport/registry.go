package transport

import (
	"fmt"
	"sync"
)

// Config параметры создания транспорта
type Config struct {
	Token   TokenFunc
	BaseURL string
}

// Factory создает новый экземпляр транспорта для одной sync-сессии
type Factory func(cfg Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register регистрирует фабрику транспорта под идентификатором backend.
// Вызывается один раз при старте процесса; повторная регистрация - ошибка программы.
func Register(backend string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[backend]; exists {
		panic(fmt.Sprintf("transport: backend %q already registered", backend))
	}
	factories[backend] = factory
}

// New создает транспорт для указанного backend.
// Каждый вызов возвращает отдельный экземпляр: провайдеры не разделяются
// между сессиями, чтобы закрытие одной сессии не ломало остальные.
func New(backend string, cfg Config) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("transport: unknown backend %q", backend)
	}

	return factory(cfg)
}

func init() {
	Register("http", func(cfg Config) (Provider, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("transport: http backend requires base url")
		}
		return NewHTTPProvider(cfg.BaseURL, cfg.Token), nil
	})
}
