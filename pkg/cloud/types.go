package cloud

// NodeSpec describes a node to create. Fields are a superset of what the
// supported providers need so callers stay provider-agnostic.
type NodeSpec struct {
	Name            string
	Region          string
	Size            string   // droplet size slug, EC2 instance type or GCE machine type
	Image           string   // image id/slug, AMI id or GCE source image
	SSHKeys         []string // key ids/fingerprints, or an EC2 key pair name
	BootstrapScript string   // cloud-init user data or GCE startup script
	Tag             string   // used by ListNodes to find fleet members
}

// Options carries the provider construction settings.
type Options struct {
	// Credential is the bearer credential from the secrets provider. AWS
	// accepts "ACCESS_KEY_ID:SECRET_ACCESS_KEY".
	Credential string
	Region     string
	GCEProject string
	GCEZone    string
}
