package defs

import "testing"

func TestErrSuccessString(t *testing.T) {
	if got := Err_t(0).Error(); got != "success" {
		t.Fatalf("Error() = %q, want %q", got, "success")
	}
}

func TestErrNamesCoverAllConstants(t *testing.T) {
	errs := []Err_t{
		EPERM, ENOENT, ESRCH, EINTR, EIO, ENOMEM, EFAULT, ENOTBLK,
		EAGAIN, EINVAL, ENOSYS, ENOTCONN, EHOSTUNREACH, ENAMETOOLONG,
		ECHILD, EEXIST, EBUSY, EBADF,
	}
	for _, e := range errs {
		if got := e.Error(); got == "" {
			t.Errorf("Error() for %d is empty", e)
		}
	}
}

func TestErrUnknownValue(t *testing.T) {
	if got := Err_t(-1).Error(); got != "" {
		t.Fatalf("Error() for unmapped errno = %q, want empty string", got)
	}
}
