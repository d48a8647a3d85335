package embedded

import (
	_ "embed"
)

//go:embed eflash_loader_bl602.bin
var eflashLoaderBL602 []byte

//go:embed eflash_loader_bl808.bin
var eflashLoaderBL808 []byte

// EflashLoaderBL602 returns the embedded BL602 eflash loader image.
func EflashLoaderBL602() []byte {
	return eflashLoaderBL602
}

// EflashLoaderBL808 returns the embedded BL808 eflash loader image.
func EflashLoaderBL808() []byte {
	return eflashLoaderBL808
}
