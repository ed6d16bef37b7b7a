package platform

import "time"

// Flavor selects which messaging platform API dialect to speak.
type Flavor string

const (
	// FlavorMP is the Official Account (公众号) API.
	FlavorMP Flavor = "mp"
	// FlavorWeCom is the enterprise WeCom (企业微信) API.
	FlavorWeCom Flavor = "wecom"
)

// Config for a platform client.
type Config struct {
	Flavor  Flavor
	BaseURL string
	// AppID is the appid (mp) or corpid (wecom).
	AppID string
	// Secret is the app secret (mp) or corpsecret (wecom).
	Secret  string
	AgentID int

	MaxDownloadBytes int64
	TokenTimeout     time.Duration
	SendTimeout      time.Duration
	DownloadTimeout  time.Duration
	UploadTimeout    time.Duration
}

// apiStatus is the error envelope carried by every JSON response.
type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type tokenResponse struct {
	apiStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type uploadResponse struct {
	apiStatus
	Type      string        `json:"type"`
	MediaID   string        `json:"media_id"`
	CreatedAt flexibleInt64 `json:"created_at"`
}

type mediaRef struct {
	MediaID string `json:"media_id"`
}

type textBody struct {
	Content string `json:"content"`
}

type sendRequest struct {
	ToUser  string    `json:"touser"`
	MsgType string    `json:"msgtype"`
	AgentID int       `json:"agentid,omitempty"`
	File    *mediaRef `json:"file,omitempty"`
	Text    *textBody `json:"text,omitempty"`
}
