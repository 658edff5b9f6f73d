/*Package gateway provides the device-session correlation and authorization core

The gateway bridges field devices on an MQTT broker to backend consumers. It
maintains a periodically refreshed allow-list of authorized device identities,
multiplexes inbound telemetry and outbound commands over a single shared
broker connection, and turns the fire-and-forget registration handshake into
a synchronous request/response operation for HTTP callers.

Inbound routing

Every message received over the broker session is routed on the session's
delivery goroutine. Registration responses are matched to their waiting
caller by device identity through the pending table. All other messages must
carry a device identity (device_id, or sensor_id for older firmware) and pass
the allow-list check before the decoded record is forwarded to the telemetry
sink. Malformed, anonymous and unauthorized messages are dropped and logged.

Registration flow

RegisterDevice publishes a registration request and blocks the calling
goroutine until the device's response arrives on the registration response
topic or the timeout elapses. At most one registration per identity may be
in flight; concurrent registrations for distinct identities are correlated
independently. A successful registration immediately adds the device to the
allow-list, ahead of the next directory refresh.

The subpackages whitelist, pending and session implement the allow-list
store, the request correlation table and the MQTT broker session.
*/
package gateway
