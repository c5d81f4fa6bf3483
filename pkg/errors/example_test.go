package errors_test

import (
	"fmt"
	"io"

	appErr "blastpit/pkg/errors"
)

// A storage failure mid-pipeline gets the pipeline's code; the cause
// stays wrapped and the code drives the HTTP envelope later.
func ExampleWrap() {
	cause := io.ErrUnexpectedEOF
	err := appErr.Wrap(cause, appErr.SampleFetchFailed).
		WithDetail("bucket", "blastpit-samples").
		WithDetail("key", "samples/9f86d081")

	fmt.Println(appErr.GetCode(err))
	fmt.Println(err.Error())
	fmt.Println(appErr.GetCode(err).HTTPStatus())
	// Output:
	// 21100
	// unexpected EOF
	// 500
}

func ExampleNewf() {
	err := appErr.Newf(appErr.CodeTooLarge, "code buffer is %d bytes, limit is %d", 2<<20, 1<<20)

	fmt.Println(appErr.Is(err, appErr.CodeTooLarge))
	fmt.Println(err)
	// Output:
	// true
	// code buffer is 2097152 bytes, limit is 1048576
}

// Callers branch on codes, never on message text.
func ExampleIs() {
	lookup := func(id string) error {
		return appErr.New(appErr.InstanceNotFound).WithDetail("instance_id", id)
	}

	if err := lookup("0b7aa885"); appErr.Is(err, appErr.InstanceNotFound) {
		fmt.Println("spawning a fresh instance")
	}
	// Output:
	// spawning a fresh instance
}

// Foreign errors degrade to an internal error instead of leaking a code
// the envelope does not know.
func ExampleGetCode() {
	fmt.Println(appErr.GetCode(fmt.Errorf("dial tcp: connection refused")))
	fmt.Println(appErr.GetCode(nil))
	// Output:
	// 10001
	// 10000
}

func ExampleErrorCode_HTTPStatus() {
	for _, code := range []appErr.ErrorCode{
		appErr.InstanceNotFound,
		appErr.InstanceLimitReached,
		appErr.SampleTooLarge,
		appErr.TokenExpired,
	} {
		fmt.Println(int(code), code.HTTPStatus())
	}
	// Output:
	// 20001 404
	// 20002 429
	// 21101 413
	// 22001 401
}
