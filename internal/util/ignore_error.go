package util

type fnWithErrorResult func() error

func IgnoreError(fn fnWithErrorResult) {
	_ = fn()
}
