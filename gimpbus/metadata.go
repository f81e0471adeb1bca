package gimpbus

// Bus names the bridge owns and serves.
const (
	ServiceName       = "edu.grinnell.cs.glimmer.GimpDBus"
	ObjectPath        = "/edu/grinnell/cs/glimmer/gimp"
	InterfacePDB      = "edu.grinnell.cs.glimmer.pdb"
	InterfaceGimpPlus = "edu.grinnell.cs.glimmer.gimpplus"
)

// Well-known metadata keys used by the Arrow IPC transports.
// These appear as custom_metadata on RecordBatch messages.
const (
	MetaMethod         = "gimp_dbus.method"
	MetaInterface      = "gimp_dbus.interface"
	MetaRequestVersion = "gimp_dbus.request_version"
	MetaRequestID      = "gimp_dbus.request_id"
	MetaLogLevel       = "gimp_dbus.log_level"
	MetaLogMessage     = "gimp_dbus.log_message"
	MetaLogExtra       = "gimp_dbus.log_extra"
	MetaServerID       = "gimp_dbus.server_id"

	ProtocolVersion = "1"
)
