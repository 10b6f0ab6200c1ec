// Package community is the chat persistence backend: communities, anonymous
// rooms and their message history.
//
// Every message lives in a room addressed by (kind, id). Community rooms are
// keyed by the community id and require membership. Anonymous rooms are keyed
// by the normalized room name and accept any handle.
//
// History is paged newest-first: page 1 is the most recent window, each page
// is returned oldest first so clients can prepend it unchanged.
package community
