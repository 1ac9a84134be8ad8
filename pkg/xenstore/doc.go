/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package xenstore implements a client for the XenStore wire protocol.
//
// The client talks to xenstored either through its unix socket (usually /var/run/xenstored/socket) or through
// the xenbus character device (/dev/xen/xenbus). Each message is a 16-byte header followed by a payload made of
// NUL-separated strings:
//
//	+---------+---------+---------+---------+------------------+
//	| type    | req_id  | tx_id   | len     | payload (len B)  |
//	+---------+---------+---------+---------+------------------+
//
// Requests are issued one at a time; the client is safe for concurrent use but does not pipeline. Watches are
// not supported.
package xenstore
