package wsmodel

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
)

// client -> server
const (
	OpPing        = "ping"
	OpSignIn      = "signIn"
	OpSignOut     = "signOut"
	OpAppState    = "appState"
	OpHibernate   = "hibernate"
	OpSubConvList = "subConvList"
	OpSubConv     = "subConv"
	OpOpenView    = "openView"
	OpSend        = "send"
	OpRetry       = "retry"
	OpSubPresence = "subPresence"
	OpSubTyping   = "subTyping"
	OpTyping      = "typing"
	OpMarkRead    = "markRead"
	OpUnsub       = "unsub"
)

// server -> client
const (
	EvConvList = "convList"
	EvConv     = "conv"
	EvView     = "view"
	EvPresence = "presence"
	EvTyping   = "typing"
)

const (
	CodeOk  = "1"
	CodeErr = "0"
)

// Command is one client request, Id is echoed on its Reply.
type Command struct {
	Id   string              `json:"id"`
	Op   string              `json:"op"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

type Reply struct {
	Id      string `json:"id"`
	Code    string `json:"code"`
	SubCode string `json:"subCode,omitempty"`
	Msg     string `json:"msg,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Event is pushed for a subscription, Key is the one unsub takes.
type Event struct {
	Event string `json:"event"`
	Key   string `json:"key"`
	Data  any    `json:"data"`
}

// Frame is what a client decodes, either a Reply or an Event.
type Frame struct {
	Id      string              `json:"id,omitempty"`
	Code    string              `json:"code,omitempty"`
	SubCode string              `json:"subCode,omitempty"`
	Msg     string              `json:"msg,omitempty"`
	Event   string              `json:"event,omitempty"`
	Key     string              `json:"key,omitempty"`
	Data    jsoniter.RawMessage `json:"data,omitempty"`
}

func (f Frame) IsEvent() bool {
	return f.Event != ""
}

type SignInReq struct {
	Uid string `json:"uid"`
}

type FlagReq struct {
	On bool `json:"on"`
}

type SubConvListReq struct {
	Limit int `json:"limit"`
}

type ConvReq struct {
	ConvId string `json:"convId"`
}

type OpenViewReq struct {
	ConvId   string `json:"convId"`
	PageSize int    `json:"pageSize"`
}

type SendReq struct {
	ConvId    string               `json:"convId"`
	Content   msgmodel.MsgContent  `json:"content"`
	ReplyTo   *msgmodel.ReplyRef   `json:"replyTo,omitempty"`
	ForwardOf *msgmodel.ForwardRef `json:"forwardOf,omitempty"`
}

type SendResp struct {
	ClientId string `json:"clientId"`
}

type RetryReq struct {
	ConvId   string `json:"convId"`
	ClientId string `json:"clientId"`
}

type SubPresenceReq struct {
	Uid string `json:"uid"`
}

type TypingReq struct {
	ConvId string `json:"convId"`
	Typing bool   `json:"typing"`
}

type MarkReadReq struct {
	ConvId     string `json:"convId"`
	NearBottom bool   `json:"nearBottom"`
}

type MarkReadResp struct {
	Moved bool `json:"moved"`
}

type UnsubReq struct {
	Key string `json:"key"`
}

type SubResp struct {
	Key string `json:"key"`
}

func ConvListKey() string {
	return "convs"
}

func ConvKey(convId string) string {
	return "conv:" + convId
}

func ViewKey(convId string) string {
	return "view:" + convId
}

func PresenceKey(uid string) string {
	return "presence:" + uid
}

func TypingKey(convId string) string {
	return "typing:" + convId
}
