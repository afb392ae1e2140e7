// Package wechat implements the WeChat official-account transport: webhook
// verification and decoding, plus the REST client used for outbound
// customer-service messages and media downloads.
package wechat

import (
	"encoding/xml"
	"fmt"

	"github.com/ent0n29/wechatbot/internal/reliability"
)

// Message types delivered by the platform.
const (
	MsgTypeText  = "text"
	MsgTypeVoice = "voice"
	MsgTypeImage = "image"
	MsgTypeEvent = "event"
)

// Event is an inbound webhook payload.
//
//	<xml>
//	  <ToUserName>gh_9ea57aea7260</ToUserName>
//	  <FromUserName>o2uw0uMOTq7bWQqB_-E7XsQ89EoQ</FromUserName>
//	  <CreateTime>1451199221</CreateTime>
//	  <MsgType>text</MsgType>
//	  <Content>t3sz</Content>
//	  <MsgId>6232853194577323038</MsgId>
//	</xml>
type Event struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	MediaID      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
	Event        string   `xml:"Event"`
}

// encryptedEnvelope wraps an AES-encrypted event in safe mode.
type encryptedEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	Encrypt    string   `xml:"Encrypt"`
}

// APIError is a non-zero errcode returned by the WeChat API.
type APIError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat api error %d: %s", e.Code, e.Message)
}

// Temporary reports errcodes for platform load: system busy and rate limits.
func (e *APIError) Temporary() bool {
	switch e.Code {
	case -1, 45009:
		return true
	default:
		return false
	}
}

// tokenInvalid reports errcodes that mean the cached access token is unusable.
func (e *APIError) tokenInvalid() bool {
	switch e.Code {
	case 40001, 40014, 42001:
		return true
	default:
		return false
	}
}

// StatusError is a non-2xx HTTP response from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Temporary() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}
