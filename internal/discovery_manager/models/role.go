package discoverymodels

// Role определяется один раз при старте и не меняется до конца жизни процесса.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) IsServer() bool {
	return r == RoleServer
}

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Capabilities окружения, по которым выбирается роль.
type Capabilities struct {
	XRDevicePresent bool
	Mobile          bool
	ForceClient     bool
}

// DetectRole: сервер, если нет XR-устройства, это не мобильная платформа
// и клиентский режим не форсирован.
func DetectRole(c Capabilities) Role {
	if !c.XRDevicePresent && !c.Mobile && !c.ForceClient {
		return RoleServer
	}
	return RoleClient
}
