package domain

import "errors"

const MaxChannelIDLen = 64

var ErrChannelIDInvalid = errors.New("invalid channel id")

// ChannelID names a voice channel. Two channels are independent namespaces.
type ChannelID string

func (c ChannelID) Validate() error {
	if c == "" || len(c) > MaxChannelIDLen {
		return ErrChannelIDInvalid
	}
	return nil
}

type Channel struct {
	ID ChannelID
}
