package driver

// FieldClass tells presentation layers how to render a field.
type FieldClass string

const (
	ClassSensor FieldClass = "sensor"
	ClassBinary FieldClass = "binary_sensor"
	ClassSwitch FieldClass = "switch"
	ClassSelect FieldClass = "select"
)

// Field describes one value of a reading.
type Field struct {
	Key     string
	Name    string
	Unit    string
	Class   FieldClass
	Options []string // for ClassSelect
	// Diagnostic marks fields that are not primary telemetry (battery, runtime).
	Diagnostic bool
}
