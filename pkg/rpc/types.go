package rpc

// Method names.
const (
	MethodLogin       = "auth.login"
	MethodValidate    = "auth.validate"
	MethodUp          = "up"
	MethodDown        = "down"
	MethodResume      = "resume"
	MethodDestroy     = "destroy"
	MethodClean       = "clean"
	MethodInspect     = "inspect"
	MethodImageList   = "image.list"
	MethodImageImport = "image.import"
)

// LoginParams authenticates a user by password.
type LoginParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries the minted session token.
type LoginResult struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	IsAdmin   bool   `json:"is_admin"`
	ExpiresAt int64  `json:"expires_at"`
}

// ValidateParams checks an existing token.
type ValidateParams struct {
	Token string `json:"token"`
}

// ValidateResult reports token state.
type ValidateResult struct {
	Valid     bool   `json:"valid"`
	Username  string `json:"username,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// UpParams brings a lab up from a manifest. LabID empty lets the server
// allocate one.
type UpParams struct {
	Token    string `json:"token"`
	LabID    string `json:"lab_id,omitempty"`
	Manifest string `json:"manifest"`
	Username string `json:"username"`
}

// LabParams addresses an existing lab for down/resume/destroy/inspect.
type LabParams struct {
	Token    string `json:"token"`
	LabID    string `json:"lab_id"`
	Username string `json:"username,omitempty"`
}

// ListImagesParams filters the image catalog. Empty fields match all.
type ListImagesParams struct {
	Token string `json:"token"`
	Model string `json:"model,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// ImportImageParams registers an image in the catalog from a source path
// or repo reference.
type ImportImageParams struct {
	Token   string `json:"token"`
	Model   string `json:"model"`
	Kind    string `json:"kind"`
	Version string `json:"version"`
	Src     string `json:"src"`
	Latest  bool   `json:"latest"` // mark as the (model, kind) default
}
