//go:build windows

package process

// /S keeps quoted java paths such as "C:\Program Files\Java\bin\java.exe" intact.
var (
	shell = []string{"cmd", "/S", "/C"}
	idle  = []string{"cmd", "/C", "rem"}
)
