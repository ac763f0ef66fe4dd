package types

import "fmt"

// Endpoint identifies which OMF-compatible destination the agent talks to.
// The variants differ in URL shape, authentication, and whether the server
// understands AF hierarchy placement and Link messages.
type Endpoint int

const (
	// EndpointPIWebAPI is the PI Web API OMF ingress of a PI Server.
	EndpointPIWebAPI Endpoint = iota
	// EndpointConnectorRelay is the legacy PI Connector Relay service.
	EndpointConnectorRelay
	// EndpointOCS is the OSIsoft Cloud Services / AVEVA Data Hub ingress.
	EndpointOCS
	// EndpointEDS is Edge Data Store running on a local device.
	EndpointEDS
)

func (e Endpoint) String() string {
	switch e {
	case EndpointPIWebAPI:
		return "PI Web API"
	case EndpointConnectorRelay:
		return "Connector Relay"
	case EndpointOCS:
		return "OCS"
	case EndpointEDS:
		return "EDS"
	default:
		return fmt.Sprintf("Endpoint(%d)", int(e))
	}
}

// ParseEndpoint maps a configuration value to an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	switch s {
	case "PI Web API", "piwebapi":
		return EndpointPIWebAPI, nil
	case "Connector Relay", "relay":
		return EndpointConnectorRelay, nil
	case "OCS", "ADH", "ocs", "adh":
		return EndpointOCS, nil
	case "EDS", "eds":
		return EndpointEDS, nil
	default:
		return 0, fmt.Errorf("unknown endpoint type %q", s)
	}
}

// SupportsHierarchy reports whether the endpoint understands AF hierarchy
// placement. Cloud and edge variants take containers only; for those the
// hierarchy resolver is bypassed and the asset's normalized name is the sole
// cache key.
func (e Endpoint) SupportsHierarchy() bool {
	return e == EndpointPIWebAPI || e == EndpointConnectorRelay
}

// SupportsLinks reports whether Link messages may be sent. Only hierarchy
// aware endpoints accept them.
func (e Endpoint) SupportsLinks() bool {
	return e.SupportsHierarchy()
}

// SupportsConnectivityProbe reports whether the endpoint exposes a product
// version path that can be polled to detect reachability.
func (e Endpoint) SupportsConnectivityProbe() bool {
	return e == EndpointPIWebAPI
}

// SupportsErrorAttribution reports whether per-asset attribution of free-text
// server errors is available. EDS error bodies carry no asset identity, so
// attribution there is explicitly unavailable rather than guessed.
func (e Endpoint) SupportsErrorAttribution() bool {
	return e != EndpointEDS
}

// DefaultNonBlockingErrors returns the endpoint's default list of substrings
// that classify a 400 response as a recoverable schema conflict. The set is
// server-version dependent and overridable through configuration.
func (e Endpoint) DefaultNonBlockingErrors() []string {
	switch e {
	case EndpointPIWebAPI:
		return []string{
			"Redefinition of the type with the same ID is not allowed",
			"Invalid value type for the property",
			"Property does not exist in the type definition",
			"Container is not defined",
			"Type does not exist",
		}
	case EndpointConnectorRelay:
		return []string{
			"Invalid value type for the property",
			"Type does not exist",
		}
	case EndpointOCS, EndpointEDS:
		return []string{
			"Type does not exist",
			"Container is not defined",
		}
	default:
		return nil
	}
}
