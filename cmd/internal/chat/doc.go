// Package chat is the client side of EchoStream community chat.
//
// One Client owns a single realtime connection shared by every mounted View.
// The Manager dials it lazily and reference counts room membership so two
// views may sit in the same room. Outgoing messages are persisted over REST
// first and only then broadcast over the socket; inbound broadcasts are
// routed per room to listeners that always hand back an unsubscribe func.
package chat
