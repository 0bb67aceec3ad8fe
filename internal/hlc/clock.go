package hlc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock представляет hybrid logical clock (HLC) timestamp: физическое время
// в миллисекундах, логический счетчик и идентификатор устройства.
// Полный порядок задается сравнением (Physical, Logical, DeviceID), что дает
// детерминированное упорядочивание событий даже при расхождении физических часов.
type Clock struct {
	DeviceID string `json:"device_id"`
	Physical uint64 `json:"physical"`
	Logical  uint32 `json:"logical"`
}

// Compare сравнивает два timestamp.
// Возвращает -1 если c раньше other, +1 если позже, 0 если идентичны.
func (c Clock) Compare(other Clock) int {
	if c.Physical != other.Physical {
		if c.Physical < other.Physical {
			return -1
		}
		return 1
	}
	if c.Logical != other.Logical {
		if c.Logical < other.Logical {
			return -1
		}
		return 1
	}
	// Физическая и логическая части равны - tie-break по DeviceID
	return strings.Compare(c.DeviceID, other.DeviceID)
}

// After возвращает true, если c строго позже other
func (c Clock) After(other Clock) bool {
	return c.Compare(other) > 0
}

// Before возвращает true, если c строго раньше other
func (c Clock) Before(other Clock) bool {
	return c.Compare(other) < 0
}

// Equal возвращает true, если timestamps идентичны (включая DeviceID)
func (c Clock) Equal(other Clock) bool {
	return c.Compare(other) == 0
}

// IsZero возвращает true для нулевого значения (отсутствующей версии)
func (c Clock) IsZero() bool {
	return c.Physical == 0 && c.Logical == 0 && c.DeviceID == ""
}

// String возвращает строковое представление для логов
func (c Clock) String() string {
	return fmt.Sprintf("%d.%d@%s", c.Physical, c.Logical, c.DeviceID)
}

// Source генерирует монотонно возрастающие HLC timestamps для одного устройства.
// Now() никогда не возвращает значение меньше предыдущего, даже если физические
// часы откатились назад. Для сохранения монотонности между перезапусками процесса
// последнее выданное значение персистится вызывающей стороной и восстанавливается
// через NewSourceAt.
type Source struct {
	now      func() time.Time
	deviceID string
	last     Clock
	mu       sync.Mutex
}

// NewSource создает новый источник HLC с уникальным идентификатором устройства (UUID)
func NewSource() *Source {
	return NewSourceWithDeviceID(uuid.New().String())
}

// NewSourceWithDeviceID создает источник HLC с заданным идентификатором устройства.
// Используется в тестах и при восстановлении состояния.
func NewSourceWithDeviceID(deviceID string) *Source {
	return &Source{
		deviceID: deviceID,
		now:      time.Now,
	}
}

// NewSourceAt создает источник HLC, восстановленный из персистентного high-water mark.
// last - последний timestamp, выданный этим устройством до перезапуска.
func NewSourceAt(deviceID string, last Clock) *Source {
	s := NewSourceWithDeviceID(deviceID)
	s.last = last
	return s
}

// DeviceID возвращает идентификатор устройства этого источника
func (s *Source) DeviceID() string {
	return s.deviceID
}

// Now выдает следующий timestamp для локального события.
// Если физическое время не продвинулось (или откатилось), растет логический счетчик.
func (s *Source) Now() Clock {
	s.mu.Lock()
	defer s.mu.Unlock()

	physical := uint64(s.now().UnixMilli())
	if physical > s.last.Physical {
		s.last = Clock{Physical: physical, Logical: 0, DeviceID: s.deviceID}
	} else {
		s.last = Clock{Physical: s.last.Physical, Logical: s.last.Logical + 1, DeviceID: s.deviceID}
	}

	return s.last
}

// Observe учитывает timestamp, полученный от другого устройства.
// После вызова все последующие Now() будут строго позже remote.
func (s *Source) Observe(remote Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remote.Physical > s.last.Physical ||
		(remote.Physical == s.last.Physical && remote.Logical > s.last.Logical) {
		s.last = Clock{Physical: remote.Physical, Logical: remote.Logical, DeviceID: s.deviceID}
	}
}

// Last возвращает последний выданный timestamp без его изменения.
// Используется для персистенции high-water mark.
func (s *Source) Last() Clock {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last
}
