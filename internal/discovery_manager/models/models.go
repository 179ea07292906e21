package discoverymodels

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// PeerRecord описывает узел, заявивший о себе в multicast-группе.
// Сравнивается структурно по всем трём полям.
type PeerRecord struct {
	Addr         netip.Addr
	Port         uint16
	IsServerRole bool
}

func (r PeerRecord) String() string {
	return fmt.Sprintf("%s:%d (server=%t)", r.Addr, r.Port, r.IsServerRole)
}

// Observer получает записи об обнаруженных пирах в потоке тиков.
type Observer func(PeerRecord)

// DiscoveryMechanism представляет собой интерфейс для различных механизмов обнаружения пиров
type DiscoveryMechanism interface {
	// Start запускает механизм обнаружения
	Start(ctx context.Context) error

	// Stop останавливает механизм обнаружения
	Stop() error

	// Name возвращает имя механизма обнаружения
	Name() string
}

// PeerDiscoveryConfig содержит конфигурацию для обнаружения пиров
type PeerDiscoveryConfig struct {
	MulticastGroup    string
	Port              int
	DiscoveryInterval time.Duration
	Payload           []byte
	Role              Role
}
