package regs

import "fmt"

// AMD64 is x86_THREAD_STATE64 / x86_EXCEPTION_STATE64.
var AMD64 = &Arch{
	Name:             "amd64",
	ThreadFlavor:     4,
	ThreadCount:      42,
	ExceptionFlavor:  6,
	ExceptionCount:   4,
	DefaultSkipWidth: 2,

	pc:         32,
	sp:         14,
	fp:         12,
	flags:      34,
	flagsWords: 2,
	names: []string{
		"rax", "rbx", "rcx", "rdx", "rdi", "rsi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "rflags", "cs", "fs", "gs",
	},

	// struct __darwin_x86_exception_state64 {
	//	__uint16_t __trapno;
	//	__uint16_t __cpu;
	//	__uint32_t __err;
	//	__uint64_t __faultvaddr;
	// };
	decodeFault: func(w []uint32) FaultContext {
		return FaultContext{
			Trap:         w[0] & 0xffff,
			CPU:          w[0] >> 16,
			ErrorCode:    w[1],
			FaultAddress: uint64(w[2]) | uint64(w[3])<<32,
		}
	},
}

// ARM64 is ARM_THREAD_STATE64 / ARM_EXCEPTION_STATE64.
var ARM64 = &Arch{
	Name:             "arm64",
	ThreadFlavor:     6,
	ThreadCount:      68,
	ExceptionFlavor:  7,
	ExceptionCount:   4,
	DefaultSkipWidth: 4,

	pc:         64,
	sp:         62,
	fp:         58,
	flags:      66,
	flagsWords: 1,
	names: func() []string {
		r := make([]string, 0, 33)
		for i := 0; i < 29; i++ {
			r = append(r, fmt.Sprintf("x%d", i))
		}
		return append(r, "fp", "lr", "sp", "pc")
	}(),

	// struct __darwin_arm_exception_state64 {
	//	__uint64_t __far;
	//	__uint32_t __esr;
	//	__uint32_t __exception;
	// };
	decodeFault: func(w []uint32) FaultContext {
		return FaultContext{
			Trap:         w[3],
			ErrorCode:    w[2],
			FaultAddress: uint64(w[0]) | uint64(w[1])<<32,
		}
	},
}

// ByName returns the Arch called name.
func ByName(name string) (*Arch, error) {
	switch name {
	case AMD64.Name:
		return AMD64, nil
	case ARM64.Name:
		return ARM64, nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}
