package models

// Credentials holds the three session cookies the remote service hands out
// on login. A partial set is useless: every authenticated endpoint checks
// all three, so callers must treat anything incomplete as "not logged in".
type Credentials struct {
	UID string `json:"_uid"`
	D   string `json:"_d"`
	VC3 string `json:"vc3"`
	Fid string `json:"fid,omitempty"`
}

func (c Credentials) Complete() bool {
	return c.UID != "" && c.D != "" && c.VC3 != ""
}

// Account is one platform login. Storage owns these; the signing code only
// borrows a snapshot per attempt and writes it back when tokens rotate.
type Account struct {
	Phone       string      `json:"phone"`
	Password    string      `json:"password,omitempty"`
	Username    string      `json:"username,omitempty"`
	Credentials Credentials `json:"credentials"`
	Presets     []GeoPreset `json:"presetAddress,omitempty"`
	Active      bool        `json:"active"`
}
