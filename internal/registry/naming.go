package registry

import (
	"errors"
	"fmt"
)

// MaxNameLength bounds tool names; agents reject longer identifiers.
const MaxNameLength = 64

var (
	ErrRegistryConflict  = errors.New("registry: name conflict")
	ErrOperationNotFound = errors.New("registry: operation not found")
	ErrNoOperations      = errors.New("registry: no valid descriptor loaded")
)

// NamingConflict is returned when a derived name is already taken by an
// earlier operation. The later operation is skipped.
type NamingConflict struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	OperationID string `json:"operation_id"`
	Source      string `json:"source,omitempty"`
	Existing    string `json:"existing_source,omitempty"`
}

func (c *NamingConflict) Error() string {
	return fmt.Sprintf("registry: name %q for %s/%s already registered", c.Name, c.Namespace, c.OperationID)
}

func (c *NamingConflict) Is(target error) bool { return target == ErrRegistryConflict }

// DeriveName computes the registry name of an operation in two steps:
// "{namespace}_{operationID}", or the bare operation id (cut to MaxNameLength)
// when the combined form is too long. A name reported as taken yields a
// *NamingConflict.
func DeriveName(namespace, operationID string, taken func(string) bool) (string, error) {
	name := operationID
	if namespace != "" {
		name = namespace + "_" + operationID
	}
	if len(name) > MaxNameLength {
		name = operationID
		if len(name) > MaxNameLength {
			name = name[:MaxNameLength]
		}
	}
	if taken != nil && taken(name) {
		return "", &NamingConflict{Name: name, Namespace: namespace, OperationID: operationID}
	}
	return name, nil
}
