//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// UNIX errno definitions.
//

package socket

import "golang.org/x/sys/unix"

const (
	// EADDRINUSE is the address in use error.
	EADDRINUSE = unix.EADDRINUSE

	// EADDRNOTAVAIL is the address not available error.
	EADDRNOTAVAIL = unix.EADDRNOTAVAIL

	// EAFNOSUPPORT is the address family not supported error.
	EAFNOSUPPORT = unix.EAFNOSUPPORT

	// EBADF is the bad descriptor error.
	EBADF = unix.EBADF

	// EDESTADDRREQ is the destination address required error.
	EDESTADDRREQ = unix.EDESTADDRREQ

	// EINVAL is the invalid argument error.
	EINVAL = unix.EINVAL

	// EISCONN is the already connected error.
	EISCONN = unix.EISCONN

	// EMSGSIZE is the message too long error.
	EMSGSIZE = unix.EMSGSIZE

	// ENOTCONN is the not connected error.
	ENOTCONN = unix.ENOTCONN

	// EOPNOTSUPP is the operation not supported error.
	EOPNOTSUPP = unix.EOPNOTSUPP

	// EPIPE is the broken pipe error.
	EPIPE = unix.EPIPE

	// EWOULDBLOCK is the operation would block error.
	EWOULDBLOCK = unix.EWOULDBLOCK
)
