//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Windows errno definitions.
//

package socket

import "golang.org/x/sys/windows"

const (
	// EADDRINUSE is the address in use error.
	EADDRINUSE = windows.WSAEADDRINUSE

	// EADDRNOTAVAIL is the address not available error.
	EADDRNOTAVAIL = windows.WSAEADDRNOTAVAIL

	// EAFNOSUPPORT is the address family not supported error.
	EAFNOSUPPORT = windows.WSAEAFNOSUPPORT

	// EBADF is the bad descriptor error.
	EBADF = windows.ERROR_INVALID_HANDLE

	// EDESTADDRREQ is the destination address required error.
	EDESTADDRREQ = windows.WSAEDESTADDRREQ

	// EINVAL is the invalid argument error.
	EINVAL = windows.WSAEINVAL

	// EISCONN is the already connected error.
	EISCONN = windows.WSAEISCONN

	// EMSGSIZE is the message too long error.
	EMSGSIZE = windows.WSAEMSGSIZE

	// ENOTCONN is the not connected error.
	ENOTCONN = windows.WSAENOTCONN

	// EOPNOTSUPP is the operation not supported error.
	EOPNOTSUPP = windows.WSAEOPNOTSUPP

	// EPIPE is the broken pipe error.
	EPIPE = windows.ERROR_BROKEN_PIPE

	// EWOULDBLOCK is the operation would block error.
	EWOULDBLOCK = windows.WSAEWOULDBLOCK
)
